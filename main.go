package main

import "slotworker/cmd"

func main() {
	cmd.Run()
}
