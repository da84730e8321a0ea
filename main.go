// The main package for the harvester executable.
package main

import (
	"github.com/joho/godotenv"

	"github.com/JakeFAU/opendata-harvester/cmd"
)

// main loads an optional .env file and defers everything else to the CLI.
func main() {
	_ = godotenv.Load()
	cmd.Execute()
}
