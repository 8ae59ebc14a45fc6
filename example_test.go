package datastorex_test

import (
	"fmt"

	"github.com/gostratum/datastorex"
)

func ExampleDefaultConfig() {
	cfg := datastorex.DefaultConfig()
	cfg.PageSize = 4 * datastorex.MiB

	fmt.Println(cfg.ConfigSummary()["page_size"])

	// Output:
	// 4 MB
}

func ExampleDigests() {
	sums, err := datastorex.Digests([]byte("hello"), datastorex.HashMD5)
	if err != nil {
		panic(err)
	}
	fmt.Println(sums[datastorex.HashMD5])

	// Output:
	// 5d41402abc4b2a76b9719d911017c592
}
