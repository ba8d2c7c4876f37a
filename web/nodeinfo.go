package web

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/fediforge/apfedcore/db"
	"github.com/fediforge/apfedcore/util"
)

// NodeInfo20 represents the NodeInfo 2.0 schema
// See: https://nodeinfo.diaspora.software/schema.html
type NodeInfo20 struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             NodeInfoUsage    `json:"usage"`
	Metadata          NodeInfoMetadata `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfyear int `json:"activeHalfyear"`
}

type NodeInfoMetadata struct {
	NodeName        string `json:"nodeName"`
	NodeDescription string `json:"nodeDescription"`
}

// WellKnownNodeInfo represents the /.well-known/nodeinfo response
type WellKnownNodeInfo struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// GetNodeInfo20 builds the NodeInfo 2.0 document from live counts.
// activeMonth/activeHalfyear are approximations: there is no login or
// session table to measure against, so CountActiveUsersSince treats
// "active" as "posted something" over the window.
func GetNodeInfo20(ctx context.Context, database *db.DB, conf *util.AppConfig) NodeInfo20 {
	totalUsers, err := database.CountAccounts(ctx)
	if err != nil {
		log.Printf("nodeinfo: count accounts: %v", err)
	}

	localPosts, err := database.CountLocalPosts(ctx)
	if err != nil {
		log.Printf("nodeinfo: count local posts: %v", err)
	}

	now := time.Now()
	activeMonth, err := database.CountActiveUsersSince(ctx, now.AddDate(0, -1, 0))
	if err != nil {
		log.Printf("nodeinfo: count active users (month): %v", err)
	}

	activeHalfyear, err := database.CountActiveUsersSince(ctx, now.AddDate(0, -6, 0))
	if err != nil {
		log.Printf("nodeinfo: count active users (half year): %v", err)
	}

	openRegistrations := !conf.Conf.Closed
	if conf.Conf.Single && totalUsers >= 1 {
		openRegistrations = false
	}

	nodeDescription := conf.Conf.NodeDescription
	if nodeDescription == "" {
		nodeDescription = "A federated microblog"
	}

	return NodeInfo20{
		Version: "2.0",
		Software: NodeInfoSoftware{
			Name:    util.Name,
			Version: util.GetVersion(),
		},
		Protocols: []string{"activitypub"},
		Services: NodeInfoServices{
			Inbound:  []string{},
			Outbound: []string{},
		},
		OpenRegistrations: openRegistrations,
		Usage: NodeInfoUsage{
			Users: NodeInfoUsers{
				Total:          totalUsers,
				ActiveMonth:    activeMonth,
				ActiveHalfyear: activeHalfyear,
			},
			LocalPosts: localPosts,
		},
		Metadata: NodeInfoMetadata{
			NodeName:        conf.Conf.SslDomain,
			NodeDescription: nodeDescription,
		},
	}
}

// GetWellKnownNodeInfo returns the /.well-known/nodeinfo discovery document
func GetWellKnownNodeInfo(conf *util.AppConfig) string {
	wellKnown := WellKnownNodeInfo{
		Links: []NodeInfoLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: "https://" + conf.Conf.SslDomain + "/nodeinfo/2.0",
			},
		},
	}

	jsonBytes, err := json.Marshal(wellKnown)
	if err != nil {
		log.Printf("Failed to marshal well-known nodeinfo: %v", err)
		return "{}"
	}

	return string(jsonBytes)
}
