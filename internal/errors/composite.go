package errors

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CompositeFailure aggregates the failures of a fan-out across databases.
// Every individual failure is kept, keyed by the database that produced it.
type CompositeFailure struct {
	failures map[string]error
	names    []string
	combined error
}

// NewCompositeFailure builds a CompositeFailure from per-database errors.
// Nil errors are ignored; it returns nil if nothing failed.
func NewCompositeFailure(failures map[string]error) *CompositeFailure {
	cf := &CompositeFailure{failures: make(map[string]error, len(failures))}
	for name, err := range failures {
		if err == nil {
			continue
		}
		cf.failures[name] = err
		cf.names = append(cf.names, name)
	}
	if len(cf.names) == 0 {
		return nil
	}
	sort.Strings(cf.names)
	for _, name := range cf.names {
		cf.combined = multierr.Append(cf.combined, cf.failures[name])
	}
	return cf
}

// Error implements the error interface
func (c *CompositeFailure) Error() string {
	parts := make([]string, 0, len(c.names))
	for _, name := range c.names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, c.failures[name]))
	}
	return fmt.Sprintf("%d database(s) failed: %s", len(c.names), strings.Join(parts, "; "))
}

// Errors returns every individual failure, ordered by database name.
func (c *CompositeFailure) Errors() []error {
	return multierr.Errors(c.combined)
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (c *CompositeFailure) Unwrap() []error {
	return c.Errors()
}

// Databases returns the names of the failing databases, sorted.
func (c *CompositeFailure) Databases() []string {
	return append([]string(nil), c.names...)
}

// Failure returns the error reported by the named database, if any.
func (c *CompositeFailure) Failure(database string) (error, bool) {
	err, ok := c.failures[database]
	return err, ok
}

// Len returns the number of failing databases.
func (c *CompositeFailure) Len() int {
	return len(c.names)
}

// ToGRPCStatus converts the aggregate to a gRPC status
func (c *CompositeFailure) ToGRPCStatus() *status.Status {
	return status.New(codes.Aborted, c.Error())
}
