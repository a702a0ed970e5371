package main

import (
	"fmt"
	"os"

	"github.com/ceems-dev/perfmeter/pkg/cli"
)

// Main entry point for `perfmeter` app
func main() {
	app, err := cli.New()
	if err != nil {
		panic("Failed to create an instance of perfmeter App")
	}

	if err := app.Main(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
