package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "auth":
		err = handleAuth(args)
	case "users":
		err = handleUsers(args)
	case "invite":
		err = handleInvite(args)
	case "maintenance":
		err = handleMaintenance(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}

func handleAuth(args []string) error {
	if len(args) < 1 {
		fmt.Println("Usage: accessgate auth <bootstrap|login|signup|logout|who|password>")
		return nil
	}

	switch args[0] {
	case "bootstrap":
		return bootstrapOwner(args[1:])
	case "login":
		return signIn("login", "/auth/sign-in", args[1:])
	case "signup":
		return signIn("signup", "/auth/sign-up", args[1:])
	case "logout":
		return signOut()
	case "who":
		return whoAmI()
	case "password":
		return changePassword(args[1:])
	default:
		return fmt.Errorf("unknown auth command: %s", args[0])
	}
}

func handleUsers(args []string) error {
	if len(args) < 1 {
		fmt.Println("Usage: accessgate users <list|invite|role|disable|enable|delete|restore|reactivate|resend|revoke>")
		return nil
	}

	rest := args[1:]
	switch args[0] {
	case "list":
		return listUsers(rest)
	case "invite":
		return inviteUser(rest)
	case "role":
		return setRole(rest)
	case "disable":
		return setStatus(rest, true)
	case "enable":
		return setStatus(rest, false)
	case "delete":
		return userAction(rest, http.MethodDelete, "")
	case "restore":
		return userAction(rest, http.MethodPost, "/restore")
	case "reactivate":
		return userAction(rest, http.MethodPost, "/reactivate")
	case "resend":
		return userAction(rest, http.MethodPost, "/invite/resend")
	case "revoke":
		return userAction(rest, http.MethodPost, "/invite/revoke")
	default:
		return fmt.Errorf("unknown users command: %s", args[0])
	}
}

func handleInvite(args []string) error {
	if len(args) < 1 || args[0] != "accept" {
		fmt.Println("Usage: accessgate invite accept")
		return nil
	}
	var u map[string]any
	if err := call(http.MethodPost, "/invites/accept", nil, &u); err != nil {
		return err
	}
	fmt.Printf("✓ Invite accepted: %v (%v)\n", u["email"], u["inviteStatus"])
	return nil
}

func handleMaintenance(args []string) error {
	if len(args) < 1 {
		fmt.Println("Usage: accessgate maintenance <orphans|reconcile>")
		return nil
	}

	switch args[0] {
	case "orphans":
		fs := flag.NewFlagSet("orphans", flag.ExitOnError)
		apply := fs.Bool("apply", false, "delete orphans instead of reporting them")
		grace := fs.String("grace", "", "skip accounts younger than this (e.g. 1h)")
		fs.Parse(args[1:])

		payload := map[string]any{"dryRun": !*apply}
		if *grace != "" {
			payload["gracePeriod"] = *grace
		}
		var report map[string]any
		if err := call(http.MethodPost, "/maintenance/orphans", payload, &report); err != nil {
			return err
		}
		return printJSON(report)
	case "reconcile":
		fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
		resolve := fs.Bool("resolve", false, "retire duplicate unaccepted invites")
		fs.Parse(args[1:])

		var report map[string]any
		if err := call(http.MethodPost, "/maintenance/reconcile-emails", map[string]any{"resolve": *resolve}, &report); err != nil {
			return err
		}
		return printJSON(report)
	default:
		return fmt.Errorf("unknown maintenance command: %s", args[0])
	}
}

// Auth commands
func bootstrapOwner(args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	email := fs.String("email", "", "owner email")
	password := fs.String("password", "", "password")
	name := fs.String("name", "", "display name")
	fs.Parse(args)

	if *email == "" || *password == "" || *name == "" {
		fs.PrintDefaults()
		return fmt.Errorf("email, password and name are required")
	}

	var result map[string]any
	payload := map[string]string{"email": *email, "password": *password, "name": *name}
	if err := call(http.MethodPost, "/auth/bootstrap", payload, &result); err != nil {
		return err
	}
	if err := saveToken(result); err != nil {
		return err
	}
	fmt.Printf("✓ Owner bootstrapped: %s\n", *email)
	return nil
}

func signIn(name, path string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	email := fs.String("email", "", "user email")
	password := fs.String("password", "", "password")
	fs.Parse(args)

	if *email == "" || *password == "" {
		fs.PrintDefaults()
		return fmt.Errorf("email and password are required")
	}

	var result map[string]any
	payload := map[string]string{"email": *email, "password": *password}
	if err := call(http.MethodPost, path, payload, &result); err != nil {
		return err
	}
	if err := saveToken(result); err != nil {
		return err
	}
	fmt.Printf("✓ Signed in as: %s\n", *email)
	return nil
}

func signOut() error {
	if loadToken() != "" {
		if err := call(http.MethodPost, "/auth/sign-out", nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "server sign-out failed: %v\n", err)
		}
	}
	os.Remove(tokenFile())
	fmt.Println("✓ Signed out")
	return nil
}

func whoAmI() error {
	if loadToken() == "" {
		fmt.Println("Not signed in")
		return nil
	}
	var s struct {
		State string         `json:"state"`
		User  map[string]any `json:"user"`
	}
	if err := call(http.MethodGet, "/session", nil, &s); err != nil {
		return err
	}
	if s.User == nil {
		fmt.Printf("Session %s\n", s.State)
		return nil
	}
	fmt.Printf("✓ %v <%v> role=%v invite=%v\n", s.User["name"], s.User["email"], s.User["role"], s.User["inviteStatus"])
	return nil
}

func changePassword(args []string) error {
	fs := flag.NewFlagSet("password", flag.ExitOnError)
	oldPassword := fs.String("old", "", "current password")
	newPassword := fs.String("new", "", "new password")
	fs.Parse(args)

	if *oldPassword == "" || *newPassword == "" {
		fs.PrintDefaults()
		return fmt.Errorf("old and new passwords are required")
	}
	payload := map[string]string{"oldPassword": *oldPassword, "newPassword": *newPassword}
	if err := call(http.MethodPost, "/auth/password", payload, nil); err != nil {
		return err
	}
	fmt.Println("✓ Password changed")
	return nil
}

// User commands
func listUsers(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	role := fs.String("role", "", "filter by role")
	status := fs.String("invite-status", "", "filter by invite status")
	email := fs.String("email", "", "filter by email")
	fs.Parse(args)

	q := url.Values{}
	if *role != "" {
		q.Set("role", *role)
	}
	if *status != "" {
		q.Set("inviteStatus", *status)
	}
	if *email != "" {
		q.Set("email", *email)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tROLE\tINVITE\tDISABLED")
	for {
		var page struct {
			Data       []map[string]any `json:"data"`
			NextCursor string           `json:"nextCursor"`
		}
		path := "/users"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		if err := call(http.MethodGet, path, nil, &page); err != nil {
			return err
		}
		for _, u := range page.Data {
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", u["id"], u["email"], u["role"], u["inviteStatus"], u["isDisabled"])
		}
		if page.NextCursor == "" {
			break
		}
		q.Set("cursor", page.NextCursor)
	}
	return w.Flush()
}

func inviteUser(args []string) error {
	fs := flag.NewFlagSet("invite", flag.ExitOnError)
	email := fs.String("email", "", "invitee email")
	name := fs.String("name", "", "invitee name")
	role := fs.String("role", "employee", "manager, employee or client")
	category := fs.String("category", "", "role category")
	fs.Parse(args)

	if *email == "" || *name == "" {
		fs.PrintDefaults()
		return fmt.Errorf("email and name are required")
	}
	payload := map[string]string{"email": *email, "name": *name, "role": *role, "roleCategory": *category}
	var u map[string]any
	if err := call(http.MethodPost, "/users/invites", payload, &u); err != nil {
		return err
	}
	fmt.Printf("✓ Invited %s (id %v)\n", *email, u["id"])
	return nil
}

func setRole(args []string) error {
	fs := flag.NewFlagSet("role", flag.ExitOnError)
	role := fs.String("role", "", "new role")
	category := fs.String("category", "", "new role category")
	fs.Parse(args)

	if fs.NArg() < 1 || *role == "" {
		return fmt.Errorf("usage: accessgate users role -role <role> [-category <c>] <user-id>")
	}
	payload := map[string]any{"role": *role}
	if *category != "" {
		payload["roleCategory"] = *category
	}
	if err := call(http.MethodPatch, "/users/"+url.PathEscape(fs.Arg(0))+"/role", payload, nil); err != nil {
		return err
	}
	fmt.Printf("✓ Role updated: %s\n", fs.Arg(0))
	return nil
}

func setStatus(args []string, disabled bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: accessgate users disable|enable <user-id>")
	}
	payload := map[string]bool{"isDisabled": disabled}
	if err := call(http.MethodPatch, "/users/"+url.PathEscape(args[0])+"/status", payload, nil); err != nil {
		return err
	}
	fmt.Printf("✓ Status updated: %s\n", args[0])
	return nil
}

func userAction(args []string, method, suffix string) error {
	if len(args) < 1 {
		return fmt.Errorf("a user id is required")
	}
	if err := call(method, "/users/"+url.PathEscape(args[0])+suffix, nil, nil); err != nil {
		return err
	}
	fmt.Printf("✓ Done: %s\n", args[0])
	return nil
}

// Helper functions

// apiError mirrors the server's error body.
type apiError struct {
	Status  int
	Kind    string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Rule    string `json:"rule"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (%d)", e.Kind, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Rule != "" {
		msg += " [rule " + e.Rule + "]"
	}
	return msg
}

func call(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, getAPIURL()+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	addAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		e := &apiError{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(e)
		return e
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getAPIURL() string {
	if u := os.Getenv("ACCESSGATE_API"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080/api"
}

func tokenFile() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".accessgate", "token")
}

func saveToken(result map[string]any) error {
	token, ok := result["token"].(string)
	if !ok || token == "" {
		return fmt.Errorf("server returned no token")
	}
	if err := os.MkdirAll(filepath.Dir(tokenFile()), 0700); err != nil {
		return err
	}
	return os.WriteFile(tokenFile(), []byte(token), 0600)
}

func loadToken() string {
	data, _ := os.ReadFile(tokenFile())
	return strings.TrimSpace(string(data))
}

func addAuthHeader(req *http.Request) {
	token := loadToken()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func printUsage() {
	fmt.Print(`AccessGate CLI

Usage:
  accessgate <command> [options]

Commands:
  auth         Sessions (bootstrap, login, signup, logout, who, password)
  users        User administration (list, invite, role, disable, enable, delete,
               restore, reactivate, resend, revoke)
  invite       Accept the signed-in user's invite (accept)
  maintenance  Owner repairs (orphans, reconcile)
  help         Show this help message

Environment Variables:
  ACCESSGATE_API    API endpoint (default: http://localhost:8080/api)

Examples:
  accessgate auth bootstrap -email owner@example.com -password 's3cret!pw' -name Owner
  accessgate users invite -email sam@example.com -name Sam -role manager
  accessgate auth signup -email sam@example.com -password 'an0ther!pw'
  accessgate invite accept
  accessgate maintenance orphans -grace 2h
`)
}
