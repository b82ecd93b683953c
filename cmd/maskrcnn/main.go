// Package main provides the maskrcnn CLI.
package main

func main() {
	Execute()
}
