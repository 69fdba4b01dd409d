package main

import "github.com/arcward/confessional/cmd"

func main() {
	cmd.Execute()
}
