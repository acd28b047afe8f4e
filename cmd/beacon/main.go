package main

import (
	"os"

	"github.com/nuetzliches/beacon/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
