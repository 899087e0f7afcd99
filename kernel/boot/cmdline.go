package boot

import "strings"

// ParseCmdLine splits a kernel command line into key-value pairs. Tokens are
// separated by whitespace; a token of the form "key=value" maps key to value
// while a bare token such as "noheapcheck" maps to itself.
func ParseCmdLine(cmdLine string) map[string]string {
	kv := make(map[string]string)

	for _, pair := range strings.Fields(cmdLine) {
		if idx := strings.IndexByte(pair, '='); idx != -1 {
			// foo=bar; a token with an empty key is ignored
			if idx != 0 {
				kv[pair[:idx]] = pair[idx+1:]
			}
			continue
		}

		// nofoo
		kv[pair] = pair
	}

	return kv
}
