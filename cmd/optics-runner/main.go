package main

import "github.com/devicelab-dev/optics-runner/pkg/cli"

func main() {
	cli.Execute()
}
