package security

import "os"

const (
	// PermConfigFile is for configuration files containing sensitive data.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermConfigFile os.FileMode = 0o640

	// PermLogFile is for log files that may contain update output.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermLogFile os.FileMode = 0o640

	// PermDBFile is for database files containing update history.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermDBFile os.FileMode = 0o640

	// PermMarkerFile is for the maintenance marker, which the web layer
	// must be able to read on every request.
	// rw-r--r-- (0644): owner can read/write, group and others can read.
	PermMarkerFile os.FileMode = 0o644

	// PermDirectory is for directories created by the updater (backup slots,
	// config directories).
	// rwxr-x--- (0750): owner has full access, group can read/enter, others have no access.
	PermDirectory os.FileMode = 0o750
)
