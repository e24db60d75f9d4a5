package main

import "github.com/slsolucije/astlog/internal/cmd"

func main() {
	cmd.Execute()
}
