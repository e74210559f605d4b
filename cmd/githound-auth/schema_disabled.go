//go:build no_eunomia

package main

import (
	"errors"
	"io"
)

func printPolicySchema(io.Writer) error {
	return errors.New("built without the eunomia decorator")
}
