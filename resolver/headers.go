package resolver

import "net/http"

// ChromeUA is the default outbound identity. Kept in sync with the
// sec-ch-ua values below.
const ChromeUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// browserHeaders mimics a real Chrome navigation so the solver is not
// reclassified as a bot before it can submit.
func browserHeaders() http.Header {
	return http.Header{
		"User-Agent":                {ChromeUA},
		"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		"Accept-Language":           {"en-US,en;q=0.9"},
		"Sec-Ch-Ua":                 {`"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`},
		"Sec-Ch-Ua-Mobile":          {"?0"},
		"Sec-Ch-Ua-Platform":        {`"Linux"`},
		"Sec-Fetch-Site":            {"none"},
		"Sec-Fetch-Mode":            {"navigate"},
		"Sec-Fetch-User":            {"?1"},
		"Sec-Fetch-Dest":            {"document"},
		"Upgrade-Insecure-Requests": {"1"},
	}
}
