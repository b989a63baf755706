package attribute

// Well-known attribute names.
const (
	SourceIP        = "source.ip"
	SourcePort      = "source.port"
	SourceUID       = "source.uid"
	SourcePrincipal = "source.principal"
	SourceNamespace = "source.namespace"
	SourceUser      = "source.user"

	DestinationIP        = "destination.ip"
	DestinationPort      = "destination.port"
	DestinationUID       = "destination.uid"
	DestinationPrincipal = "destination.principal"
	DestinationService   = "destination.service"

	OriginIP = "origin.ip"

	RequestHeaders     = "request.headers"
	RequestHost        = "request.host"
	RequestMethod      = "request.method"
	RequestPath        = "request.path"
	RequestURLPath     = "request.url_path"
	RequestQueryParams = "request.query_params"
	RequestScheme      = "request.scheme"
	RequestSize        = "request.size"
	RequestTotalSize   = "request.total_size"
	RequestTime        = "request.time"
	RequestUserAgent   = "request.useragent"
	RequestID          = "request.id"

	ResponseCode      = "response.code"
	ResponseDuration  = "response.duration"
	ResponseHeaders   = "response.headers"
	ResponseSize      = "response.size"
	ResponseTotalSize = "response.total_size"
	ResponseTime      = "response.time"

	ContextProtocol     = "context.protocol"
	ContextReporterKind = "context.reporter.kind"
	ContextTime         = "context.time"

	CheckErrorCode    = "check.error_code"
	CheckErrorMessage = "check.error_message"
	CheckCacheHit     = "check.cache_hit"
	QuotaCacheHit     = "quota.cache_hit"
)

// globalWords is the shared dictionary both sides of the wire agree on.
// Entries are append-only; index positions are part of the wire format.
var globalWords = []string{
	SourceIP,
	SourcePort,
	SourceUID,
	SourcePrincipal,
	SourceNamespace,
	SourceUser,
	DestinationIP,
	DestinationPort,
	DestinationUID,
	DestinationPrincipal,
	DestinationService,
	OriginIP,
	RequestHeaders,
	RequestHost,
	RequestMethod,
	RequestPath,
	RequestURLPath,
	RequestQueryParams,
	RequestScheme,
	RequestSize,
	RequestTotalSize,
	RequestTime,
	RequestUserAgent,
	RequestID,
	ResponseCode,
	ResponseDuration,
	ResponseHeaders,
	ResponseSize,
	ResponseTotalSize,
	ResponseTime,
	ContextProtocol,
	ContextTime,
	CheckErrorCode,
	CheckErrorMessage,
	CheckCacheHit,
	QuotaCacheHit,
	":authority",
	":method",
	":path",
	":scheme",
	":status",
	"accept",
	"accept-encoding",
	"authorization",
	"content-length",
	"content-type",
	"cookie",
	"host",
	"user-agent",
	"x-forwarded-for",
	"x-forwarded-proto",
	"x-request-id",
	"GET",
	"POST",
	"PUT",
	"DELETE",
	"HEAD",
	"PATCH",
	"OPTIONS",
	"http",
	"https",
	"grpc",
	"tcp",
	"application/json",
	"text/plain",
	"gzip",
	"/",

	// Additions after the base version. A backend that rejects the dictionary
	// causes clients to fall back to the base prefix.
	ContextReporterKind,
	"inbound",
	"outbound",
	"x-b3-traceid",
	"x-b3-spanid",
	"x-envoy-upstream-service-time",
	"application/grpc",
	"text/html",
	"br",
	"deflate",
}

// GlobalWordBaseSize is the number of words in the first dictionary version.
const GlobalWordBaseSize = 67

// GlobalWords returns the global word list. Callers must not modify the result.
func GlobalWords() []string {
	return globalWords
}
