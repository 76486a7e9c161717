package evidence

import (
	"net/url"
	"strings"

	"github.com/sells-group/readiness-cli/internal/model"
)

// procurementHosts are bid boards and tender portals. Matched as host
// suffixes.
var procurementHosts = []string{
	"sam.gov", "bidnetdirect.com", "bidnet.com", "govspend.com", "periscopeholdings.com",
	"bonfirehub.com", "demandstar.com", "ted.europa.eu", "contractsfinder.service.gov.uk",
	"merx.com", "tenders.gov.au", "publicpurchase.com", "opengov.com",
}

var filingHosts = []string{"sec.gov", "companieshouse.gov.uk", "sedar.com", "sedarplus.ca"}

var newsHosts = []string{
	"reuters.com", "bloomberg.com", "wsj.com", "ft.com", "cnbc.com", "techcrunch.com",
	"businesswire.com", "prnewswire.com", "globenewswire.com", "govtech.com", "fedscoop.com",
	"washingtontechnology.com", "apnews.com", "forbes.com",
}

var jobHosts = []string{
	"indeed.com", "glassdoor.com", "lever.co", "greenhouse.io", "workday.com",
	"myworkdayjobs.com", "usajobs.gov", "governmentjobs.com", "ziprecruiter.com",
}

var socialHosts = []string{
	"linkedin.com", "twitter.com", "x.com", "facebook.com", "reddit.com", "youtube.com", "medium.com",
}

// procurementPathHints mark procurement pages on otherwise generic hosts.
var procurementPathHints = []string{"/rfp", "/rfq", "/rfi", "/bid", "/tender", "/solicitation", "/procurement", "/purchasing"}

// ClassifyURL assigns an evidence kind from a hit's URL. Pages on the
// entity's own domain are company_site unless the path looks like a
// procurement or careers page.
func ClassifyURL(rawURL, entityDomain string) model.EvidenceKind {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return model.EvidenceWebSearch
	}
	host := model.NormalizeDomain(u.Hostname())
	path := strings.ToLower(u.Path)

	switch {
	case hostMatches(host, procurementHosts):
		return model.EvidenceProcurementPortal
	case hasAny(path, procurementPathHints):
		return model.EvidenceProcurementPortal
	case hostMatches(host, filingHosts):
		return model.EvidenceFiling
	case hostMatches(host, jobHosts), strings.HasPrefix(host, "careers."), strings.HasPrefix(host, "jobs."):
		return model.EvidenceJobPosting
	case hostMatches(host, socialHosts):
		return model.EvidenceSocial
	case hostMatches(host, newsHosts):
		return model.EvidenceNews
	}

	entityDomain = model.NormalizeDomain(entityDomain)
	if entityDomain != "" && (host == entityDomain || strings.HasSuffix(host, "."+entityDomain)) {
		if strings.Contains(path, "/careers") || strings.Contains(path, "/jobs") {
			return model.EvidenceJobPosting
		}
		return model.EvidenceCompanySite
	}
	if strings.HasSuffix(host, ".gov") || strings.Contains(path, "/news") || strings.Contains(path, "/press") {
		return model.EvidenceNews
	}
	return model.EvidenceWebSearch
}

func hostMatches(host string, suffixes []string) bool {
	for _, s := range suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

func hasAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// HostOf returns the normalized host of a URL, or "" when it has none.
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return model.NormalizeDomain(u.Hostname())
}
