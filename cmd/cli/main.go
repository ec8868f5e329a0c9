package main

import "github.com/vm-profiler/cmd/cli/cmd"

func main() {
	cmd.Execute()
}
