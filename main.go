package main

import "github.com/skynet-lkas/lkas-sim/cmd"

func main() {
	cmd.Execute()
}
