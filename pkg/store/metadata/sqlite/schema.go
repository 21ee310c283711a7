package sqlite

// specVersion is the snapshot schema revision written into spec_version.
const specVersion = 0

// schema is applied to every freshly created snapshot. Names are unique per
// table through their primary keys; uniqueness across tables is enforced by
// the store before each insert.
const schema = `
CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY NOT NULL,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS spec_version (
	version INTEGER PRIMARY KEY NOT NULL
);

CREATE TABLE IF NOT EXISTS version (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	version BLOB NOT NULL,
	time    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shares (
	ref       TEXT NOT NULL,
	recipient TEXT NOT NULL,
	type      TEXT NOT NULL,
	UNIQUE (ref, recipient, type)
);

CREATE TABLE IF NOT EXISTS files (
	prefix  TEXT NOT NULL,
	block   TEXT NOT NULL,
	name    TEXT PRIMARY KEY NOT NULL,
	size    INTEGER NOT NULL,
	mtime   INTEGER NOT NULL,
	key     BLOB NOT NULL,
	meta    TEXT,
	metakey BLOB,
	hash    BLOB
);

CREATE TABLE IF NOT EXISTS folders (
	ref  TEXT NOT NULL,
	name TEXT PRIMARY KEY NOT NULL,
	key  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS externals (
	is_folder INTEGER NOT NULL,
	owner     BLOB NOT NULL,
	name      TEXT PRIMARY KEY NOT NULL,
	key       BLOB NOT NULL,
	url       TEXT NOT NULL
);
`

const (
	metaLastChangeBy = "last_change_by"
	metaRoot         = "root"
)
