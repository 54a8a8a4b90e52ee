package admin

import (
	"strings"

	"vpnconsole-go/internal/types"
)

// ValidateServerFields trims the fields and checks them before any API call.
// An empty status becomes offline when defaultOffline is set (create) and stays empty
// otherwise (update keeps the current status).
func ValidateServerFields(f types.ServerFields, defaultOffline bool) (types.ServerFields, error) {
	out := types.ServerFields{
		Name:           strings.TrimSpace(f.Name),
		Country:        strings.TrimSpace(f.Country),
		City:           strings.TrimSpace(f.City),
		IPAddress:      strings.TrimSpace(f.IPAddress),
		Status:         f.Status,
		MaxConnections: f.MaxConnections,
	}

	var missing []string
	if out.Name == "" {
		missing = append(missing, "name")
	}
	if out.Country == "" {
		missing = append(missing, "country")
	}
	if out.City == "" {
		missing = append(missing, "city")
	}
	if out.IPAddress == "" {
		missing = append(missing, "ip_address")
	}
	if len(missing) > 0 {
		return types.ServerFields{}, types.NewError(types.KindValidation, "required fields are empty: %s", strings.Join(missing, ", "))
	}
	if out.MaxConnections < 1 {
		return types.ServerFields{}, types.NewError(types.KindValidation, "max_connections must be at least 1, got %d", out.MaxConnections)
	}

	if out.Status == "" {
		if defaultOffline {
			out.Status = types.ServerOffline
		}
		return out, nil
	}
	status, err := types.ParseServerStatus(string(out.Status))
	if err != nil {
		return types.ServerFields{}, types.WrapError(types.KindValidation, err, "invalid status")
	}
	out.Status = status
	return out, nil
}
