package main

import "funding-rate-arbiter/internal/cli"

func main() {
	cli.Execute()
}
