package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatStatus(s statusDTO, format string) (string, error) {
	switch format {
	case formatJSON:
		return toJSON(s)
	case formatTable:
		return formatStatusTable(s), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatusTable(s statusDTO) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Dialect:\t%s\n", s.Dialect)
	fmt.Fprintf(w, "Ready:\t%t\n", s.Ready)
	fmt.Fprintf(w, "Tracked Interfaces:\t%d\n", s.TrackedInterfaces)
	fmt.Fprintf(w, "Tracked Addresses:\t%d\n", s.TrackedAddresses)
	fmt.Fprintf(w, "Allocated IDs:\t%d\n", s.AllocatedIDs)
	fmt.Fprintf(w, "Open Listeners:\t%d\n", s.OpenListeners)
	fmt.Fprintf(w, "Plugins:\t%d\n", len(s.Plugins))
	for _, p := range s.Plugins {
		fmt.Fprintf(w, "  %s\t(priority %d) %s\n", p.Name, p.Priority, p.Description)
	}
	_ = w.Flush()
	return buf.String()
}

func formatInterfaces(ifaces []interfaceDTO, format string) (string, error) {
	switch format {
	case formatJSON:
		return toJSON(ifaces)
	case formatTable:
		return formatInterfacesTable(ifaces), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatInterfacesTable(ifaces []interfaceDTO) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tFLAGS\tADDRS")
	for _, iface := range ifaces {
		addrs := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			addrs = append(addrs, fmt.Sprintf("%s:%d", a.Addr, a.Port))
		}
		fmt.Fprintf(w, "%d\t%s\t%#x\t%s\n", iface.Index, iface.Name, iface.Flags, strings.Join(addrs, ","))
	}
	_ = w.Flush()
	return buf.String()
}

func formatAddrs(addrs []addressInfoDTO, format string) (string, error) {
	switch format {
	case formatJSON:
		return toJSON(addrs)
	case formatTable:
		return formatAddrsTable(addrs), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatAddrsTable(addrs []addressInfoDTO) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDR\tPORT\tFLAGS\tIF-INDEX")
	for _, a := range addrs {
		fmt.Fprintf(w, "%d\t%s\t%d\t%#x\t%d\n", a.ID, a.Addr, a.Port, a.Flags, a.IfIndex)
	}
	_ = w.Flush()
	return buf.String()
}

func formatLimits(limits []limitDTO, format string) (string, error) {
	switch format {
	case formatJSON:
		return toJSON(limits)
	case formatTable:
		return formatLimitsTable(limits), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatLimitsTable(limits []limitDTO) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tVALUE")
	for _, l := range limits {
		fmt.Fprintf(w, "%s\t%d\n", l.Type, l.Value)
	}
	_ = w.Flush()
	return buf.String()
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}
