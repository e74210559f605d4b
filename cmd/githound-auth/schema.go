//go:build !no_eunomia

package main

import (
	"io"

	"github.com/githound/mcp-auth/authz/eunomia"
)

func printPolicySchema(w io.Writer) error {
	raw, err := eunomia.PolicySchema()
	if err != nil {
		return err
	}
	_, err = w.Write(append(raw, '\n'))
	return err
}
