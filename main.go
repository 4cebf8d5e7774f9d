package main

import "github.com/QDuc14/NeonMoon-infoBot/cmd"

func main() {
	cmd.Execute()
}
