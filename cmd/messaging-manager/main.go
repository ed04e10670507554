package main

import "github.com/nhle/messaging-manager/internal/app"

func main() {
	app.Execute()
}
