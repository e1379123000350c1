package main

import (
	"os"

	"github.com/moovcs/vcsd/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
