// Package errors provides coded, human-oriented diagnostics for the
// livesync command.
//
// Wire-level failures use pkg/protocol error codes. This package covers
// what an operator sees: a config file that does not parse, a secret that
// is too short, a port already in use.
//
// # Codes
//
// Each code maps to a category, a short message and an optional hint:
//   - L100-L119: configuration
//   - L120-L139: server startup and shutdown
//   - L140-L159: command-line usage
//
// # Usage
//
//	err := errors.New("L101").
//	    WithLocationFromError("livesync.yaml", yamlErr).
//	    WithDetail(yamlErr.Error())
//
//	errors.Print(os.Stderr, err)
//	// ERROR L101: Config file could not be parsed
//	//
//	//   livesync.yaml:7
//	//
//	//        5 │ server:
//	//        6 │   address: ":8080"
//	//   →    7 │  rooms: {
//	//        8 │
//	//
//	//   Hint: Check the indentation and quoting around the reported line.
package errors
