// Command binpress appends a compressed inner runtime to a stub executable,
// producing a single self-extracting binary.
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:]))
}
