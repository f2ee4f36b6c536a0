// ABOUTME: Response templates for the bot, with Spanish defaults
// ABOUTME: Any template can be overridden from the bot.templates config section

package bot

import (
	"fmt"
	"sort"
	"strings"
)

// TemplateID names a bot response.
type TemplateID string

const (
	TemplateWelcome              TemplateID = "welcome"
	TemplateClientMenu           TemplateID = "client_menu"
	TemplateProspectMenu         TemplateID = "prospect_menu"
	TemplateClientAccount        TemplateID = "client_account"
	TemplateClientSupport        TemplateID = "client_support"
	TemplateClientHours          TemplateID = "client_hours"
	TemplateOperatorConnecting   TemplateID = "operator_connecting"
	TemplateProspectInfo         TemplateID = "prospect_info"
	TemplateSales                TemplateID = "sales"
	TemplateClientMenuReprompt   TemplateID = "client_menu_reprompt"
	TemplateProspectMenuReprompt TemplateID = "prospect_menu_reprompt"
	TemplateClientInfoReprompt   TemplateID = "client_info_reprompt"
	TemplateProspectInfoReprompt TemplateID = "prospect_info_reprompt"
	// TemplateClosureNotice is sent by the inactivity reaper, not by Transition.
	TemplateClosureNotice TemplateID = "closure_notice"
)

var defaultTemplates = map[TemplateID]string{
	TemplateWelcome: "¡Hola! 👋 Bienvenido a IRU NET. Soy tu asistente virtual.\n\n" +
		"¿Ya eres cliente?\n" +
		"1️⃣ Sí, soy cliente\n" +
		"2️⃣ No soy cliente\n\n" +
		"Escribe el número de la opción que necesitas:",
	TemplateClientMenu: "👤 **Menú de clientes**\n\n" +
		"1️⃣ Consultar mi cuenta\n" +
		"2️⃣ Soporte técnico\n" +
		"3️⃣ Hablar con un operador\n" +
		"4️⃣ Horarios de atención\n" +
		"0️⃣ Volver al menú principal",
	TemplateProspectMenu: "✨ **¡Gracias por tu interés en IRU NET!**\n\n" +
		"1️⃣ Información de nuestros servicios\n" +
		"2️⃣ Hablar con un asesor comercial\n" +
		"0️⃣ Volver al menú principal",
	TemplateClientAccount: "📋 **Tu cuenta**\n\n" +
		"Para consultar el estado de tu cuenta y tus facturas ingresa a la sección de clientes de nuestro sitio.\n\n" +
		"Escribe '3' para hablar con un operador o '0' para volver al menú principal.",
	TemplateClientSupport: "🔧 **Soporte Técnico**\n\n" +
		"Para soporte técnico especializado, te conectaré con uno de nuestros operadores.\n" +
		"Un momento por favor...",
	TemplateClientHours: "🕘 **Horario de atención**\n\n" +
		"Lunes a Viernes 9:00 - 18:00\n\n" +
		"Escribe '3' para hablar con un operador o '0' para volver al menú principal.",
	TemplateOperatorConnecting: "👨‍💼 **Conectando con operador**\n\n" +
		"Te estoy conectando con uno de nuestros operadores humanos.\n" +
		"Por favor espera un momento...",
	TemplateProspectInfo: "📋 **Información General**\n\n" +
		"Somos IRU NET, tu solución en comunicaciones.\n" +
		"Horario: Lunes a Viernes 9:00 - 18:00\n\n" +
		"Escribe '2' para hablar con un asesor comercial o '0' para volver al menú principal.",
	TemplateSales: "💼 **Asesor comercial**\n\n" +
		"Te estoy conectando con uno de nuestros asesores.\n" +
		"Por favor espera un momento...",
	TemplateClientMenuReprompt: "❓ No entiendo tu mensaje.\n\n" +
		"Por favor elige una opción:\n" +
		"1️⃣ Consultar mi cuenta\n" +
		"2️⃣ Soporte técnico\n" +
		"3️⃣ Hablar con un operador\n" +
		"4️⃣ Horarios de atención\n" +
		"0️⃣ Volver al menú principal",
	TemplateProspectMenuReprompt: "❓ No entiendo tu mensaje.\n\n" +
		"Por favor elige una opción:\n" +
		"1️⃣ Información de nuestros servicios\n" +
		"2️⃣ Hablar con un asesor comercial\n" +
		"0️⃣ Volver al menú principal",
	TemplateClientInfoReprompt: "❓ No entiendo tu mensaje.\n\n" +
		"Escribe '3' para hablar con un operador o '0' para volver al menú principal.",
	TemplateProspectInfoReprompt: "❓ No entiendo tu mensaje.\n\n" +
		"Escribe '2' para hablar con un asesor comercial o '0' para volver al menú principal.",
	TemplateClosureNotice: "⏰ La conversación se cerró por inactividad.\n\n" +
		"Si necesitas algo más, escríbenos de nuevo y con gusto te ayudamos.",
}

// Templates resolves template ids to text.
type Templates struct {
	text map[TemplateID]string
}

// NewTemplates returns the default templates with overrides applied.
// Override keys must be known template ids; blank overrides are ignored.
func NewTemplates(overrides map[string]string) (*Templates, error) {
	text := make(map[TemplateID]string, len(defaultTemplates))
	for id, body := range defaultTemplates {
		text[id] = body
	}

	var unknown []string
	for key, body := range overrides {
		id := TemplateID(key)
		if _, ok := defaultTemplates[id]; !ok {
			unknown = append(unknown, key)
			continue
		}
		if strings.TrimSpace(body) == "" {
			continue
		}
		text[id] = body
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown bot template(s): %s", strings.Join(unknown, ", "))
	}

	return &Templates{text: text}, nil
}

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() *Templates {
	t, _ := NewTemplates(nil)
	return t
}

// Text returns the body of id, or "" if id is unknown.
func (t *Templates) Text(id TemplateID) string {
	return t.text[id]
}

// IDs lists every template id in sorted order.
func IDs() []TemplateID {
	ids := make([]TemplateID, 0, len(defaultTemplates))
	for id := range defaultTemplates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
