package main

import "github.com/eleven-am/stylestream/internal/bootstrap"

func main() {
	bootstrap.Run()
}
