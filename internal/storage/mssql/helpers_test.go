package mssql

import (
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"
)

func mssqlErr(n int32) error {
	return fmt.Errorf("bulk finalize: %w", mssql.Error{Number: n, Message: "test"})
}
