package main

import (
	"os"

	"sentinel/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
