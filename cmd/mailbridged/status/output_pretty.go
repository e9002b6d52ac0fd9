/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"fmt"
	"io"
	"text/template"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/mailbridge/server"
)

const prettyTemplate = `
{{- Bold "modes"}}: {{range $i, $m := .Modes}}{{if $i}}, {{end}}{{$m}}{{end}}
{{- if .StartedAt}}
  {{Bold "started"}}: {{.StartedAt.Format "2006-01-02 15:04:05 MST"}}
{{- end}}
{{- if .LMTPSocket}}
  {{Bold "lmtp"}}: {{.LMTPSocket}}
{{- end}}
{{- if .WebhookAddr}}
  {{Bold "webhook"}}: {{.WebhookAddr}}
{{- end}}
{{- if .MetricsAddr}}
  {{Bold "metrics"}}: {{.MetricsAddr}}
{{- end}}

{{Bold "sessions"}}: {{.ActiveSessions}} active, {{.TotalSessions}} total
{{WithFailureColor .DeliveryFailures (Bold "deliveries")}}: {{.Delivered}} ok, {{WithFailureColor .DeliveryFailures .DeliveryFailures}} failed
{{WithFailureColor .TableWriteFailures (Bold "tables")}}: {{.TableWrites}} written, {{WithFailureColor .TableWriteFailures .TableWriteFailures}} failed
{{- if .LastTableUpdate}}
  {{Bold "last update"}}: {{.LastTableUpdate.Format "2006-01-02 15:04:05 MST"}}
{{- end}}
{{- if .LastError}}

{{WithFailureColor 1 (Bold "last error")}}: {{.LastError}}
{{- end}}
`

func templateFuncs(p termenv.Profile) template.FuncMap {
	// Define some colors.
	okColor := p.Color("112")
	nokColor := p.Color("196")

	// Subset of the helpers in termenv, so we have better control and can turn
	// of all formatting of the terminal supports ASCII only.
	return template.FuncMap{
		"Bold": func(values ...interface{}) string {
			if p == termenv.Ascii {
				// Do not do any bold, if terminal only supports ASCII.
				return values[0].(string)
			}
			s := termenv.String(values[0].(string))
			return s.Bold().String()
		},
		"WithFailureColor": func(failures interface{}, value interface{}) string {
			if p == termenv.Ascii {
				return fmt.Sprintf("%v", value)
			}
			s := termenv.String(fmt.Sprintf("%v", value))
			if fmt.Sprintf("%v", failures) == "0" {
				s = s.Foreground(okColor)
			} else {
				s = s.Foreground(nokColor)
			}
			return s.String()
		},
	}
}

func outputPretty(w io.Writer, status *server.Status) error {
	return outputPrettyWithProfile(w, status, termenv.ColorProfile())
}

func outputPrettyWithProfile(w io.Writer, status *server.Status, p termenv.Profile) error {
	// Load helpers and template.
	tpl, err := template.New("tpl").Funcs(templateFuncs(p)).Parse(prettyTemplate)
	if err != nil {
		panic(err)
	}

	// Render.
	return tpl.Execute(w, status)
}
