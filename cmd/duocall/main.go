package main

import "github.com/tariel-x/duocall/internal/config"

func main() {
	initLogging(config.LoadClient().LogLevel)
	Execute()
}
