package main

import "github.com/iti/arsa/cmd/arsa/cmd"

func main() {
	cmd.Execute()
}
