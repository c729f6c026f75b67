package main

import "MarketResearch/internal/cli"

func main() {
	cli.Execute()
}
