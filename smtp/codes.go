package smtp

// RFC 5321

// Reply codes.
var (
	C211SystemStatus = 211
	C214Help         = 214
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235 // RFC 4954

	C250Completed               = 250
	C251UserNotLocalWillForward = 251
	C252WithoutVrfy             = 252

	C334ContinueAuth = 334 // RFC 4954
	C354Continue     = 354

	C421ServiceUnavail         = 421
	C432PasswdTransitionNeeded = 432 // RFC 4954
	C454TempAuthFail           = 454 // RFC 4954
	C450MailboxUnavail         = 450
	C451LocalErr               = 451
	C452StorageFull            = 452 // Also for "too many recipients", RFC 5321
	C455BadParams              = 455

	C500BadSyntax              = 500
	C501BadParamSyntax         = 501
	C502CmdNotImpl             = 502
	C503BadCmdSeq              = 503
	C504ParamNotImpl           = 504
	C521HostNoMail             = 521 // RFC 7504
	C530SecurityRequired       = 530 // RFC 3207, RFC 4954
	C534AuthMechWeak           = 534 // RFC 4954
	C535AuthBadCreds           = 535 // RFC 4954
	C538EncReqForAuth          = 538 // RFC 4954
	C550MailboxUnavail         = 550
	C551UserNotLocal           = 551
	C552MailboxFull            = 552
	C553BadMailbox             = 553
	C554TransactionFailed      = 554
	C555UnrecognizedAddrParams = 555
	C556DomainNoMail           = 556 // RFC 7504
)

// Short enhanced reply codes, without leading number and first dot.
//
// See https://www.iana.org/assignments/smtp-enhanced-status-codes/smtp-enhanced-status-codes.xhtml
var (
	// 0.x - Other or Undefined Status.
	// RFC 3463
	SeOther00 = "0.0"

	// 1.x - Address.
	// RFC 3463
	SeAddr1Other0                  = "1.0"
	SeAddr1UnknownDestMailbox1     = "1.1"
	SeAddr1UnknownSystem2          = "1.2"
	SeAddr1MailboxSyntax3          = "1.3"
	SeAddr1MailboxAmbiguous4       = "1.4"
	SeAddr1DestValid5              = "1.5" // For success responses.
	SeAddr1DestMailboxMoved6       = "1.6"
	SeAddr1SenderSyntax7           = "1.7"
	SeAddr1BadSenderSystemAddress8 = "1.8"
	SeAddr1NullMX                  = "1.10" // RFC 7505

	// 2.x - Mailbox.
	// RFC 3463
	SeMailbox2Other0             = "2.0"
	SeMailbox2Disabled1          = "2.1"
	SeMailbox2Full2              = "2.2"
	SeMailbox2MsgLimitExceeded3  = "2.3"
	SeMailbox2MailListExpansion4 = "2.4"

	// 3.x - Mail system.
	// RFC 3463
	SeSys3Other0            = "3.0"
	SeSys3StorageFull1      = "3.1"
	SeSys3NotAccepting2     = "3.2"
	SeSys3NotSupported3     = "3.3"
	SeSys3MsgLimitExceeded4 = "3.4"
	SeSys3Misconfigured5    = "3.5"

	// 4.x - Network and routing.
	// RFC 3463
	SeNet4Other0           = "4.0"
	SeNet4NoAnswer1        = "4.1"
	SeNet4BadConn2         = "4.2"
	SeNet4Name3            = "4.3"
	SeNet4Routing4         = "4.4"
	SeNet4Congestion5      = "4.5"
	SeNet4Loop6            = "4.6"
	SeNet4DeliveryExpired7 = "4.7"

	// 5.x - Mail delivery protocol.
	// RFC 3463
	SeProto5Other0              = "5.0"
	SeProto5BadCmdOrSeq1        = "5.1"
	SeProto5Syntax2             = "5.2"
	SeProto5TooManyRcpts3       = "5.3"
	SeProto5BadParams4          = "5.4"
	SeProto5ProtocolMismatch5   = "5.5"
	SeProto5AuthExchangeTooLong = "5.6" // RFC 4954

	// 6.x - Message content/media.
	// RFC 3463
	SeMsg6Other0                    = "6.0"
	SeMsg6MediaUnsupported1         = "6.1"
	SeMsg6ConversionProhibited2     = "6.2"
	SeMsg6ConversoinUnsupported3    = "6.3"
	SeMsg6ConversionWithLoss4       = "6.4"
	SeMsg6ConversionFailed5         = "6.5"
	SeMsg6NonASCIIAddrNotPermitted7 = "6.7" // RFC 6531
	SeMsg6UTF8ReplyRequired8        = "6.8" // RFC 6531
	SeMsg6UTF8CannotTransfer9       = "6.9" // RFC 6531

	// 7.x - Security/policy.
	// RFC 3463
	SePol7Other0                = "7.0"
	SePol7DeliveryUnauth1       = "7.1"
	SePol7ExpnProhibited2       = "7.2"
	SePol7ConversionImpossible3 = "7.3"
	SePol7Unsupported4          = "7.4"
	SePol7CryptoFailure5        = "7.5"
	SePol7CryptoUnsupported6    = "7.6"
	SePol7MsgIntegrity7         = "7.7"
	SePol7AuthBadCreds8         = "7.8"  // RFC 4954
	SePol7AuthWeakMech9         = "7.9"  // RFC 4954
	SePol7EncNeeded10           = "7.10" // RFC 5248
	SePol7EncReqForAuth11       = "7.11" // RFC 4954
	SePol7PasswdTransitionReq12 = "7.12" // RFC 4954
	SePol7AccountDisabled13     = "7.13" // RFC 5248
	SePol7TrustReq14            = "7.14" // RFC 5248
	// todo spec: duplicate spec of 7.16 RFC 4865, RFC 6710
	// todo spec: duplicate spec of 7.17 RFC 4865, RFC 7293
	SePol7NoDKIMPass20        = "7.20" // RFC 7372
	SePol7NoDKIMAccept21      = "7.21" // RFC 7372
	SePol7NoDKIMAuthorMatch22 = "7.22" // RFC 7372
	SePol7SPFResultFail23     = "7.23" // RFC 7372
	SePol7SPFError24          = "7.24" // RFC 7372
	SePol7RevDNSFail25        = "7.25" // RFC 7372
	SePol7MultiAuthFails26    = "7.26" // RFC 7372
	SePol7SenderHasNullMX27   = "7.27" // RFC 7505
	SePol7ARCFail             = "7.29" // RFC 8617
	SePol7MissingReqTLS       = "7.30" // RFC 8689
)
