/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "newtonchat/cmd"

func main() {
	cmd.Execute()
}
