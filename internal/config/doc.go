// Package config loads the sigbot configuration file.
//
// The file is YAML, or TOML when its name ends in .toml. Values may name
// environment variables as ${VAR}; they are expanded before parsing, so
// secrets such as auth.jwt_secret and database.store_key can stay out of the
// file. Durations (auth.token_ttl, bots.receive_grace, bots.idle_timeout) use
// time.ParseDuration syntax.
//
// The CLI looks for the file at SIGBOT_CONFIG, then
// $XDG_CONFIG_HOME/sigbot/sigbot.yaml, then ~/.config/sigbot/sigbot.yaml.
//
// A minimal file, as written by "sigbot init":
//
//	server:
//	  http_addr: "0.0.0.0:3000"
//	database:
//	  path: "/var/lib/sigbot/sigbot.db"
//	  store_key: "AGE-SECRET-KEY-1..."
//	auth:
//	  jwt_secret: "${SIGBOT_JWT_SECRET}"
//	bots:
//	  files_root: "/var/lib/sigbot/files"
//	relay:
//	  url: "ws://127.0.0.1:8089"
//
// Load fills defaults and then rejects a JWT secret shorter than 32 bytes,
// an unknown database driver, a relay URL that is not ws or wss, and a
// malformed duration.
package config
