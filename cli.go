package main

import (
	"context"
	"fmt"
	"net/http/cookiejar"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"

	"anubisolver/resolver"
)

// runCLI performs one resolution of the target URL and reports the
// outcome. Progress goes to stdout, diagnostics to stderr via logrus.
func runCLI(flags Flags) error {
	fmt.Printf("Starting solver for %s...\n", flags.url)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return errors.Wrap(err, "create cookie jar")
	}

	res := resolver.New(jar)

	if flags.progress {
		// Workers report concurrently; thin the stream before printing.
		var calls atomic.Uint64
		res.Progress = func(nonce uint64) {
			if calls.Add(1)%100 == 0 {
				fmt.Printf("\rProgress: nonce=%d", nonce)
			}
		}
	}

	resp, err := res.Resolve(context.Background(), flags.url)
	if flags.progress {
		fmt.Println()
	}
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "%s\n", resp.Body)
		return errors.Errorf("unexpected final status: %d", resp.StatusCode)
	}

	fmt.Printf("Done, final status %d\n", resp.StatusCode)
	if flags.printHTML {
		fmt.Printf("\n--- Content ---\n%s\n--- End ---\n", resp.Body)
	}

	return nil
}
