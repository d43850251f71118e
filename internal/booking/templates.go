package booking

// Templates are the default texts for each response key, in the format
// understood by delivery.NewCatalog.
var Templates = map[string]string{
	ResponsePromptType:     `Which class would you like to book?`,
	ResponsePromptDatetime: `When would you like to come?`,
	ResponsePromptName:     `What name should the booking be under?`,
	ResponsePromptEmail:    `What's your e-mail address?`,
	ResponseConfirmation:   `You're booked for {{entity "type"}} on {{entity "datetime"}}. See you there!`,
	ResponseUpcomingAppointments: `You have {{entity "number/count"}} upcoming ` +
		`{{if eq (print (entity "number/count")) "1"}}class{{else}}classes{{end}}:{{entity "classes"}}`,
	ResponseUpcomingNone: `You don't have any upcoming classes.`,
	ResponseSorry:        `Sorry, something went wrong on our side. Please try again in a moment.`,
}
