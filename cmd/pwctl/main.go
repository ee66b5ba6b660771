package main

import "pipelineworker/cmd/cli"

func main() {
	cli.Execute()
}
