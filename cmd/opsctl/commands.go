package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v2"
	"github.com/xela07ax/spaceai-browserops/internal/infra/auth"
)

func call(c *cli.Context, method, path string, body any) error {
	client := newAPIClient(c.String("server"), c.String("token"), c.Duration("timeout"))
	data, err := client.do(c.Context, method, path, body)
	if err != nil {
		return err
	}
	return render(c.App.Writer, data, c.String("field"))
}

func idAction(method, pattern string, body any) cli.ActionFunc {
	return func(c *cli.Context) error {
		id, err := requireArg(c, "id")
		if err != nil {
			return err
		}
		return call(c, method, fmt.Sprintf(pattern, id), body)
	}
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() < 1 || c.Args().First() == "" {
		return "", fmt.Errorf("missing argument <%s>", name)
	}
	return c.Args().First(), nil
}

// render печатает ответ целиком или одно поле по gjson-пути
func render(w io.Writer, data []byte, field string) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if field != "" {
		res := gjson.GetBytes(data, field)
		if !res.Exists() {
			return fmt.Errorf("field %q not found in response", field)
		}
		if res.Type == gjson.String {
			_, err := fmt.Fprintln(w, res.String())
			return err
		}
		data = []byte(res.Raw)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

func issueToken(keyPath, issuer, userID string, ttl time.Duration, operator bool) (string, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	key, err := auth.ParseRSAPrivateKey(pem)
	if err != nil {
		return "", err
	}
	iss := auth.NewIssuer(key, issuer, ttl)
	if operator {
		return iss.IssueOperator(userID)
	}
	return iss.IssueUser(userID)
}
