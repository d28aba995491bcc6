package main

import (
	"hype-trade-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
