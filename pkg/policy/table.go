package policy

// DefaultTable is the built-in classification table used when no table file
// is configured. It forbids destructive and exfiltration classes outright.
func DefaultTable() Table {
	return Table{
		Version:      "1.0.0",
		DefaultClass: "general",
		Rules: []Rule{
			{
				Class: "destructive",
				Match: `input.intent.startsWith("fs.delete") || input.intent.startsWith("proc.kill") || input.intent.startsWith("sys.shutdown")`,
			},
			{
				Class: "exfiltration",
				Match: `input.intent.startsWith("net.send") && input.target.contains("external")`,
			},
			{
				Class: "privileged",
				Match: `input.intent.startsWith("auth.") || input.intent.startsWith("policy.")`,
			},
			{
				Class: "filesystem",
				Match: `input.intent.startsWith("fs.")`,
			},
			{
				Class: "network",
				Match: `input.intent.startsWith("net.")`,
			},
		},
		ForbiddenClasses: []string{"destructive", "exfiltration"},
	}
}
