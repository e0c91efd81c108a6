package main

import "github.com/stephnangue/secretbroker/cmd"

func main() {
	cmd.Execute()
}
