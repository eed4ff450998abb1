// Package config holds the per-cluster broker configuration and loads it from
// YAML files.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation, which keeps broker credentials out of the file:
//
//	connection_strings:
//	  primary: "HostName=rabbit-1;UserName=app;Password=${RABBIT_PASSWORD}"
//	  secondary: "HostName=rabbit-2;UserName=app;Password=${RABBIT_PASSWORD}"
//	clusters:
//	  orders:
//	    connection_string_names: [primary, secondary]
//	    retry_connection_delay: 10s
//	    pool_max_size: 20
package config
