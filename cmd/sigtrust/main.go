package main

import "github.com/digitorus/sigtrust/cli"

func main() {
	cli.Execute()
}
