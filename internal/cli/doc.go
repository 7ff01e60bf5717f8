// Parses flags and dispatches the kiln commands.
//
// The tool accepts the following global flags:
//
//	-q, --quiet     Suppress informational output.
//	-d, --debug     Enable debug output.
//
// Flags override build-time defaults set via linker flags. After parsing,
// the global logger is reconfigured to reflect the final level before the
// selected command runs.
//
// Exit codes follow the build contract: 0 success, 1 manifest or lock
// validation failure, 2 environment provisioning failure, 3 promotion
// failure, 4 invalid invocation arguments.
package cli
