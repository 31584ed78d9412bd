package sing

// Version is reported in the User-Agent and Server headers.
const Version = "0.1.0"

func UserAgent() string {
	return "sing-pipeline/" + Version
}
