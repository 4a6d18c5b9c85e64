package main

import (
	"github.com/imnotbraybray/arvo-bot/cmd"
)

func main() {
	cmd.Execute()
}
