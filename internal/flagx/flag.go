// Package flagx extracts a subset of command-line flags so several
// configuration layers can each parse only what they own.
package flagx

import (
	"flag"
	"strings"
)

// FilterArgs keeps only the allowed flags from args, together with their
// values. Both "-f value" and "-f=value" forms are recognised; a value is
// taken from the next argument only when it does not look like a flag.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name, _, _ := strings.Cut(arg, "=")
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// ConfigFileFlags returns the config file path given with -c/-config and
// the dotenv path given with -env-file. Missing flags yield empty strings.
func ConfigFileFlags(args []string) (configFile, envFile string) {
	filtered := FilterArgs(args, []string{"-c", "-config", "--config", "-env-file", "--env-file"})

	fs := flag.NewFlagSet("config-file", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", "", "path to YAML or JSON config file")
	fs.StringVar(&configFile, "c", "", "path to YAML or JSON config file (short)")
	fs.StringVar(&envFile, "env-file", "", "path to .env file")
	_ = fs.Parse(filtered)

	return configFile, envFile
}
