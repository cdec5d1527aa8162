// ./main.go
package main

import (
	"github.com/crowhurst/pagebridge/cmd"
)

// main is the entry point for the pagebridge CLI.
func main() {
	cmd.Execute()
}
