// Package all registers every source type. Import it for its side effects
// wherever Sources or Handles are decoded.
package all

import (
	_ "github.com/os2datascanner/engine/internal/infra/sources/data"
	_ "github.com/os2datascanner/engine/internal/infra/sources/file"
	_ "github.com/os2datascanner/engine/internal/infra/sources/gzip"
	_ "github.com/os2datascanner/engine/internal/infra/sources/mail"
	_ "github.com/os2datascanner/engine/internal/infra/sources/s3"
	_ "github.com/os2datascanner/engine/internal/infra/sources/warc"
	_ "github.com/os2datascanner/engine/internal/infra/sources/web"
	_ "github.com/os2datascanner/engine/internal/infra/sources/zip"
)
