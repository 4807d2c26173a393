package cache_test

import (
	"fmt"
	"log"
	"os"

	"github.com/mirrorkit/mirror/internal/cache"
)

// ExampleCache shows a miss, a write, and a hit for one fingerprint.
func ExampleCache() {
	dir, err := os.MkdirTemp("", "cache-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	c, err := cache.Open(dir)
	if err != nil {
		log.Fatal(err)
	}

	f := cache.Sum([]byte("hello"), []string{"upper"})
	_, ok := c.Get(f)
	fmt.Println("before:", ok)

	c.Set(f, []byte("HELLO"))
	data, ok := c.Get(f)
	fmt.Println("after:", ok, string(data))

	// Output:
	// before: false
	// after: true HELLO
}
