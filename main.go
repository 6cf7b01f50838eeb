// The main package for the blog-archiver executable.
package main

import (
	"github.com/JakeFAU/blog-archiver/cmd"
)

func main() {
	cmd.Execute()
}
