package main

import "github.com/stephnangue/vmgate/cmd"

func main() {
	cmd.Execute()
}
