// Package all registers every source adapter. Binaries import it for its side effects.
package all

import (
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/csvfile"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/htmltable"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/httpapi"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/jsonfile"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/mysql"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/postgres"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/sqlite"
)
