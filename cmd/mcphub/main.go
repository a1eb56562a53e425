package main

import "github.com/vikashloomba/mcp-hub-go/internal/cli"

func main() {
	cli.Execute()
}
