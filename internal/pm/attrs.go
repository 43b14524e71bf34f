package pm

// Upstream (genl family "mptcp") command and attribute identifiers,
// modeled after the kernel's linux/mptcp_pm.h uapi surface.
const (
	upstreamFamilyName = "mptcp"

	cmdUpstreamAddAddr      uint8 = 1
	cmdUpstreamDelAddr      uint8 = 2
	cmdUpstreamGetAddr      uint8 = 3
	cmdUpstreamFlushAddrs   uint8 = 4
	cmdUpstreamSetLimits    uint8 = 5
	cmdUpstreamGetLimits    uint8 = 6
	cmdUpstreamSetFlags     uint8 = 7
	cmdUpstreamSubflowAdd   uint8 = 8
	cmdUpstreamSubflowDel   uint8 = 9
	cmdUpstreamSetBackup    uint8 = 10
)

// Upstream event command identifiers: delivered unsolicited on the
// family's multicast event groups rather than in reply to a request
// (spec.md §6.1: new_connection, new_addr, new_subflow, subflow_closed,
// conn_closed groups).
const (
	cmdUpstreamEvNewConnection         uint8 = 11
	cmdUpstreamEvConnectionEstablished uint8 = 12
	cmdUpstreamEvConnectionClosed      uint8 = 13
	cmdUpstreamEvAddrAnnounced         uint8 = 14
	cmdUpstreamEvAddrRemoved           uint8 = 15
	cmdUpstreamEvSubflowEstablished    uint8 = 16
	cmdUpstreamEvSubflowClosed         uint8 = 17
	cmdUpstreamEvSubflowPriority       uint8 = 18
)

// Top-level upstream attributes.
const (
	attrUpstreamAddr         uint16 = 1 // nested PM_ATTR_ADDR container
	attrUpstreamRcvAddAddrs  uint16 = 2
	attrUpstreamSubflows     uint16 = 3
	attrUpstreamToken        uint16 = 4
	attrUpstreamLocID        uint16 = 5
	attrUpstreamRemID        uint16 = 6
	attrUpstreamAddrRemote   uint16 = 7 // nested, same layout as attrUpstreamAddr
	attrUpstreamBackup       uint16 = 8
)

// Nested attributes inside PM_ATTR_ADDR (spec.md §6.2, §8 S3).
const (
	addrAttrFamily  uint16 = 1
	addrAttrAddr4   uint16 = 2
	addrAttrAddr6   uint16 = 3
	addrAttrPort    uint16 = 4
	addrAttrID      uint16 = 5
	addrAttrFlags   uint16 = 6
	addrAttrIfIndex uint16 = 7
)

// mptcp.org (genl family "mptcp_pm") command identifiers.
const (
	mptcpOrgFamilyName = "mptcp_pm"

	cmdOrgAnnounce    uint8 = 1
	cmdOrgRemove      uint8 = 2
	cmdOrgSubCreate   uint8 = 3
	cmdOrgSubDestroy  uint8 = 4
	cmdOrgSubPriority uint8 = 5
	cmdOrgGetAddr     uint8 = 6
	cmdOrgDumpAddrs   uint8 = 7
	cmdOrgFlushAddrs  uint8 = 8
	cmdOrgSetLimits   uint8 = 9
	cmdOrgGetLimits   uint8 = 10
)

// mptcp.org event command identifiers, numbered the same as their
// upstream counterparts for the same reason (spec.md §6.1).
const (
	cmdOrgEvNewConnection         uint8 = 11
	cmdOrgEvConnectionEstablished uint8 = 12
	cmdOrgEvConnectionClosed      uint8 = 13
	cmdOrgEvAddrAnnounced         uint8 = 14
	cmdOrgEvAddrRemoved           uint8 = 15
	cmdOrgEvSubflowEstablished    uint8 = 16
	cmdOrgEvSubflowClosed         uint8 = 17
	cmdOrgEvSubflowPriority       uint8 = 18
)

// mptcp.org flat attribute identifiers. Ports are host byte order on
// this dialect's wire (spec.md §6.2); family split is by explicit
// v4/v6 attribute pairs rather than a nested family-tagged container.
const (
	attrOrgToken        uint16 = 1
	attrOrgFamily       uint16 = 2
	attrOrgLocAddr4     uint16 = 3
	attrOrgLocAddr6     uint16 = 4
	attrOrgRemAddr4     uint16 = 5
	attrOrgRemAddr6     uint16 = 6
	attrOrgLocPort      uint16 = 7
	attrOrgRemPort      uint16 = 8
	attrOrgLocID        uint16 = 9
	attrOrgRemID        uint16 = 10
	attrOrgBackup       uint16 = 11
	attrOrgIfIndex      uint16 = 12
	attrOrgFlags        uint16 = 13
	attrOrgRcvAddAddrs  uint16 = 14
	attrOrgSubflows     uint16 = 15
)

// AF_INET / AF_INET6 as carried on the wire family attribute, matching
// the kernel's own socket address family constants.
const (
	wireAFInet  uint16 = 2
	wireAFInet6 uint16 = 10
)
