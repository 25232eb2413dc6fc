package main

import "github.com/andresmejia3/sentinel-edge/cmd"

func main() {
	cmd.Execute()
}
