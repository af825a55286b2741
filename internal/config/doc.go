// Package config loads the livesync server configuration file.
//
// The file is livesync.yaml (or .yml, or livesync.json) and every key is
// optional. Durations are strings such as "30s"; a bare integer means
// seconds. Secrets may come from LIVESYNC_REHYDRATION_SECRET and
// LIVESYNC_JWT_SECRET instead of the file.
//
// # File Structure
//
//	server:
//	  address: ":8080"
//	  maxConnections: 10000
//	  shutdownTimeout: 30s
//	connection:
//	  heartbeatInterval: 30s
//	  requestTimeout: 10s
//	auth:
//	  jwtSecret: ""            # enables bearer tokens when set
//	  rehydrationFreshness: 24h
//	rooms:
//	  autoDestroy: true
//	  destroyGrace: 30s
//	uploads:
//	  store: s3                # memory, disk or s3
//	  maxFileSize: 104857600
//	  s3:
//	    bucket: my-uploads
//	    region: us-east-1
//	debug:
//	  enabled: false
//	log:
//	  level: info
//	  format: json
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    errors.Print(os.Stderr, err)
//	    os.Exit(1)
//	}
//	sc, err := cfg.ToServerConfig()
package config
